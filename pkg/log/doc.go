// Package log provides structured logging for Castellan built on zerolog.
// Call Init once at startup, then use WithComponent / WithAgentID /
// WithFrameworkID / WithTaskID to derive contextual child loggers.
package log
