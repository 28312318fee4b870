package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"fundsettle/pkg/crypto"
	"fundsettle/pkg/utils"
)

// hashkey печатает bcrypt хеш ключа оператора для API_KEY_HASH.
// Ключ читается из -key или из первой строки stdin.
func main() {
	key := flag.String("key", "", "api key to hash (stdin if empty)")
	cost := flag.Int("cost", 0, "bcrypt cost (default cost if 0)")
	flag.Parse()

	raw := *key
	if raw == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			exitf("read key: %v", err)
		}
		raw = strings.TrimSpace(line)
	}

	if err := utils.ValidateAPIKey(raw); err != nil {
		exitf("%v", err)
	}

	var (
		hash string
		err  error
	)
	if *cost > 0 {
		hash, err = crypto.HashAPIKeyWithCost(raw, *cost)
	} else {
		hash, err = crypto.HashAPIKey(raw)
	}
	if err != nil {
		exitf("hash key: %v", err)
	}
	fmt.Println(hash)
}

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
