// Package sinks holds durable taxonomy.Sink implementations.
package sinks
