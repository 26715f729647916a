// Command scenario runs a scenario file against an in-process broadcast
// server and exits non-zero when an expectation fails.
//
//	scenario --file scenarios/typing.yaml --latency 50ms --loss 0.1
package main

func main() {
	Execute()
}
