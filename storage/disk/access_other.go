//go:build !unix

package disk

import "os"

func checkWritable(dir string) error {
	fp, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := fp.Name()
	fp.Close()
	return os.Remove(name)
}
