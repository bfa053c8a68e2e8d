// Command feedbridge forwards new items from Telegram channels, RSS/Atom
// feeds, subreddits and Hacker News to Discord, Mattermost or Matrix.
package main

import (
	"os"

	"github.com/ppiankov/feedbridge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
