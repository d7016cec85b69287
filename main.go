package main

import "waveplay/cmd"

func main() {
	cmd.Execute()
}
