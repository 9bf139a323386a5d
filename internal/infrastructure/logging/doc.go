// Package logging builds the hub's log/slog logger from the logging
// section of the config:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Components take a small Debug/Info/Warn/Error interface rather than this
// type, so *Logger is only referenced at wiring time.
//
// Never log device secrets or operator tokens. Device IDs and correlation
// IDs are fine.
package logging
