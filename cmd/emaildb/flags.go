package main

import (
	"github.com/spf13/pflag"

	"github.com/netninjacorp/emaildb/config"
)

// algoFlag adapts config.ParseCompression/ParseEncryption into a
// pflag.Value bound directly to the target string, so an unknown
// --compression/--encryption name is rejected by cobra's own flag parsing
// instead of surfacing later as an Open() error.
type algoFlag struct {
	target *string
	parse  func(string) error
}

func (f *algoFlag) String() string { return *f.target }
func (f *algoFlag) Type() string   { return "string" }
func (f *algoFlag) Set(s string) error {
	if err := f.parse(s); err != nil {
		return err
	}
	*f.target = s
	return nil
}

var _ pflag.Value = (*algoFlag)(nil)

func newCompressionFlag(target *string) *algoFlag {
	return &algoFlag{target: target, parse: func(s string) error {
		_, err := config.ParseCompression(s)
		return err
	}}
}

func newEncryptionFlag(target *string) *algoFlag {
	return &algoFlag{target: target, parse: func(s string) error {
		_, err := config.ParseEncryption(s)
		return err
	}}
}
