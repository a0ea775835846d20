package main

import (
	"fmt"
	"os"

	"pairchat/internal/chatkey"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Println("Usage: chatkey <user-id> <user-id>")
		os.Exit(1)
	}

	u1, u2 := os.Args[1], os.Args[2]
	if !chatkey.Valid(u1) || !chatkey.Valid(u2) || u1 == u2 {
		fmt.Printf("Error: need two distinct ids without %q\n", chatkey.Separator)
		os.Exit(1)
	}

	fmt.Println(chatkey.Key(u1, u2))
}
