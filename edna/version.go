package edna

// Version of Edna.
// This variable can be overridden at build time using:
//
//	go build -ldflags "-X github.com/edna-db/edna/edna.Version=v1.0.0"
var Version = "dev"
