package version

// Current defines the application version.
// It defaults to "dev" but is overwritten at release time using -ldflags.
var Current = "dev"

const AppName = "rangerecon"
