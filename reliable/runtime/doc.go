// Package runtime provides panic discipline for background goroutines:
// recover-and-log helpers and a SafeGo wrapper used by the dispatcher loop
// and the launcher.
package runtime
