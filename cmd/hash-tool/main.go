// hash-tool - generates the web.auth.header_value_hash config value
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <header-value>\n", os.Args[0])
		os.Exit(2)
	}

	sum := sha256.Sum256([]byte(os.Args[1]))
	hash := hex.EncodeToString(sum[:])

	fmt.Println(hash)
	fmt.Println()
	fmt.Println("config.yaml snippet:")
	fmt.Println("web:")
	fmt.Println("  auth:")
	fmt.Println("    header_name: X-Bridge-Auth")
	fmt.Printf("    header_value_hash: %s\n", hash)
}
