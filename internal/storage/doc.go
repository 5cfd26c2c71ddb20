package storage

// Package storage provides a minimal persistence layer for the connector.
//
// It currently supports:
//   - Run history appends (one record per terminal run)
//   - Scheduled-trigger dedup state (to survive restarts)
