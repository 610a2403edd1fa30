//go:build !(zkfp && linux)

package zkfp

import "errors"

func Load(_ string) (Library, error) {
	return nil, errors.New("native fingerprint SDK not enabled; build with -tags zkfp")
}
