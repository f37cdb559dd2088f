package main

import "satellite-downloader/internal/cli"

func main() {
	cli.Execute()
}
