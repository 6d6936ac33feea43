package main

import "time"

// GlobalFlags are persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	Output     string // text, json or yaml
}

// APIFlags select the daemon a client command talks to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Owner      int64
}

// SubmitFlags holds flags for the submit command.
type SubmitFlags struct {
	APIFlags
	Name  string // display name when reading from stdin
	Start bool   // start every uploaded job right away
}

// JobFlags address one job of the owner.
type JobFlags struct {
	APIFlags
	Hash string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}
