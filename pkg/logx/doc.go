// Package logx is autopost's structured logger, a thin layer over zerolog.
//
// Console lines carry a millisecond timestamp and a file:line caller; the
// optional log file gets one JSON object per event. Level and sinks change
// through Service.Apply when the config is reloaded.
package logx
