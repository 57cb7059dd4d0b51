package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

var passwdCmd = &cobra.Command{
	Use:         "passwd",
	Short:       "Hash a password for the users section of the server configuration",
	Annotations: map[string]string{noConfigAnnotation: "true"},
	RunE:        runPasswd,
}

func init() {
	rootCmd.AddCommand(passwdCmd)
}

func runPasswd(cmd *cobra.Command, args []string) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("%w: the password must be typed on a terminal", lib.ErrUsage)
	}
	fmt.Fprint(os.Stderr, "Password: ")
	password1, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("%w: %s", lib.ErrIO, err)
	}
	fmt.Fprint(os.Stderr, "Confirm: ")
	password2, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("%w: %s", lib.ErrIO, err)
	}
	hash, err := hashPassword(password1, password2)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func hashPassword(password, confirm []byte) (string, error) {
	if len(password) == 0 {
		return "", fmt.Errorf("%w: empty password", lib.ErrUsage)
	}
	if !bytes.Equal(password, confirm) {
		return "", fmt.Errorf("%w: the passwords don't match", lib.ErrUsage)
	}
	hash, err := bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
