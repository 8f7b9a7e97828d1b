// Command termmgrd is the multi-session terminal supervisor daemon: it owns
// local PTY sessions, the auto-discovery watcher, and (when a git identity
// is configured) LAN peer federation.
package main

func main() {
	Execute()
}
