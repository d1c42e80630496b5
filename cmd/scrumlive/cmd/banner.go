package cmd

import (
	"fmt"
)

const banner = `
  ____                       _     _           
 / ___|  ___ _ __ _   _ _ __ | |   (_)_   _____ 
 \___ \ / __| '__| | | | '_ \| |   | \ \ / / _ \
  ___) | (__| |  | |_| | | | | |___| |\ V /  __/
 |____/ \___|_|   \__,_|_| |_|_____|_| \_/ \___|
                                                
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Retros and Planning Poker - Version %s\x1b[0m\n\n", Version)
}
