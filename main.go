// Package main is the entry point for the deploytrust CLI.
//
// deploytrust declares and reconciles the federated trust chain a CI
// deploy pipeline runs on, and serves the token exchange endpoint that
// turns CI assertions into short-lived scoped credentials.
package main

import "github.com/jokeworks/deploytrust/cmd"

func main() {
	cmd.Execute()
}
