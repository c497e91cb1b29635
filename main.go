package main

import "github.com/twinshift/twinshift/cmd"

func main() {
	cmd.Execute()
}
