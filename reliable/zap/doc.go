// Package zap adapts go.uber.org/zap to the lib-reliable log.Logger facade.
package zap
