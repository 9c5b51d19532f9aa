package cmd

import (
	"fmt"
)

const banner = `
     _         _   _     ____       _
    / \  _   _| |_| |__ / ___| __ _| |_ ___
   / _ \| | | | __| '_ \ |  _ / _` + "`" + ` | __/ _ \
  / ___ \ |_| | |_| | | | |_| | (_| | ||  __/
 /_/   \_\__,_|\__|_| |_|\____|\__,_|\__\___|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Progressive Authentication - Version %s\x1b[0m\n\n", Version)
}
