//go:build !linux

package taskstore

func renameNoReplace(src, dst string) error {
	return renameCheckExists(src, dst)
}
