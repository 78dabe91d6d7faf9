package main

import "github.com/tcassar-diss/skbtrace/cmd"

func main() {
	cmd.Execute()
}
