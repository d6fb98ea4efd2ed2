package main

import "github.com/oshokin/deepspeech-provisioner/cmd/deepspeech-provisioner/cmd"

func main() {
	cmd.Execute()
}
