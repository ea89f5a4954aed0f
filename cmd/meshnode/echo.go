package main

import (
	"context"
	"strings"
)

// EchoArgs is both the argument and the reply of the echo service.
type EchoArgs struct {
	Message string `json:"message"`
}

// echoService is served under the "echo" handler, e.g. room.echo.upper.
type echoService struct{}

func (s *echoService) Echo(args *EchoArgs, reply *EchoArgs) error {
	reply.Message = args.Message
	return nil
}

func (s *echoService) Upper(_ context.Context, args *EchoArgs, reply *EchoArgs) error {
	reply.Message = strings.ToUpper(args.Message)
	return nil
}
