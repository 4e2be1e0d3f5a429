// Command drift runs the client-side sync engine: a live local mirror
// of a remote note collection with optimistic mutations, plus the
// auth, monitoring and demo tooling around it.
package main

func main() {
	Execute()
}
