package main

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	// Input channel
	Brokers string
	Topic   string

	// Produce options
	Keys     int // Distinct notification numbers
	Messages int // Total updates to publish
	Duration time.Duration
	Threads  int
	Prefix   string

	// Verify options
	Hosts   string // Query endpoints, host:port
	Samples int
	Timeout time.Duration

	// Derived
	brokerList []string
	hostList   []string
}

func (c *Config) Validate() error {
	if c.Keys < 1 {
		return fmt.Errorf("keys must be at least 1")
	}
	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1")
	}
	if c.Prefix == "" {
		return fmt.Errorf("prefix cannot be empty")
	}
	c.brokerList = splitList(c.Brokers)
	c.hostList = splitList(c.Hosts)
	return nil
}

// ValidateProduce checks the options used by the produce command
func (c *Config) ValidateProduce() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.brokerList) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	if c.Topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	if c.Messages < 1 && c.Duration <= 0 {
		return fmt.Errorf("either messages or duration must be set")
	}
	return nil
}

// ValidateVerify checks the options used by the verify command
func (c *Config) ValidateVerify() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.hostList) < 2 {
		return fmt.Errorf("verify requires at least 2 hosts")
	}
	if c.Samples < 1 {
		return fmt.Errorf("samples must be at least 1")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (c *Config) BrokerList() []string {
	return c.brokerList
}

func (c *Config) HostList() []string {
	return c.hostList
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
