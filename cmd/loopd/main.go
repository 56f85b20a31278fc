// Command loopd runs and controls iterative coding-agent loops.
package main

func main() {
	Execute()
}
