package main

import (
	"strings"

	"github.com/urfave/cli/v2"
)

// repeatedValue collects every occurrence of a repeatable flag verbatim.
// cli.StringSliceFlag splits values on commas, which breaks "x,y,z" seeds
// and paths containing commas.
type repeatedValue []string

func (r *repeatedValue) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func (r *repeatedValue) String() string {
	if r == nil {
		return ""
	}
	return strings.Join(*r, " ")
}

func repeatedFlag(name string, aliases []string, usage string) *cli.GenericFlag {
	return &cli.GenericFlag{Name: name, Aliases: aliases, Usage: usage, Value: &repeatedValue{}}
}

// repeated returns the values given for a flag built with repeatedFlag
func repeated(c *cli.Context, name string) []string {
	if v, ok := c.Generic(name).(*repeatedValue); ok && v != nil {
		return append([]string(nil), *v...)
	}
	return nil
}
