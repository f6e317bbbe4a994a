// Package srt accepts MPEG-TS over SRT, either by listening for publishers
// (Server) or by dialing remote listeners (Caller), and registers each
// connection with an ingest.Registry.
package srt
