// Command fairlock drives fair distributed locks from the shell: a demo of
// contenders queueing on one resource, a holder for scripts and a server
// exposing metrics and the lock event feed.
package main

func main() {
	Execute()
}
