// Command offline0 runs the offline caching engine in front of a web origin.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
