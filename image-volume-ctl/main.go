package main

import "github.com/bentoml/yatai-image-volume/image-volume-ctl/cmd"

func main() {
	cmd.Execute()
}
