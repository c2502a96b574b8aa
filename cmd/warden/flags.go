package main

import "time"

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type StubFlags struct {
	Host       string
	Port       int
	HealthyFor time.Duration
	Mode       string
	StartDelay time.Duration
}
