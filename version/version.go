package version

// Version is overridden at build time with -ldflags "-X calltrace/version.Version=...".
var Version = "0.1.0-dev"
