// Command mangaflow runs the story generation API and its event workers
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
