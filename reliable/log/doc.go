// Package log defines the structured logging facade used across lib-reliable.
//
// Components accept a log.Logger and never log through a concrete backend
// directly; the zap package provides the production adapter.
package log
