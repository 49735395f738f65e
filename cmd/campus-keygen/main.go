// campus-keygen prints fresh key material for a campus deployment: the QR
// credential key, the identity integrity secret, or an age keypair that a
// scanner uses to receive sealed offline bundles.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/credential"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/seal"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "campus-keygen: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var (
		kind string
		env  bool
	)
	flags := pflag.NewFlagSet("campus-keygen", pflag.ContinueOnError)
	flags.StringVarP(&kind, "kind", "k", "qr", "qr, integrity or age")
	flags.BoolVar(&env, "env", false, "print as an environment assignment")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	switch kind {
	case "qr", "integrity":
		k, err := credential.GenerateKey()
		if err != nil {
			return err
		}
		name := "CAMPUS_QR_KEY"
		if kind == "integrity" {
			name = "CAMPUS_INTEGRITY_SECRET"
		}
		if env {
			_, err = fmt.Fprintf(out, "%s=%s\n", name, k)
		} else {
			_, err = fmt.Fprintln(out, k)
		}
		return err

	case "age":
		kp, err := seal.GenerateKeypair()
		if err != nil {
			return err
		}
		// The identity goes on the scanner; the recipient goes in the seed file.
		_, err = fmt.Fprintf(out, "# recipient: %s\n%s\n", kp.Recipient, kp.Identity)
		return err

	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
}
