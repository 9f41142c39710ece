package main

import "github.com/withobsrvr/searchsync/cmd"

func main() {
	cmd.Execute()
}
