package main

// GlobalFlags are the persistent flags shared by every verb.
type GlobalFlags struct {
	SettingsPath string
	StateDir     string
	LogLevel     string
	LogFormat    string
	JSON         bool
}

// StatusFlags Flag structs to decouple cobra from logic for testing.
type StatusFlags struct {
	Detailed bool // record details plus cpu/memory of the child
}

type CleanupFlags struct {
	Force bool
}
