package main

import "instrumentq/cmd"

func main() {
	cmd.Run()
}
