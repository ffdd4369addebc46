//go:build !windows

package extract

func exeVersion(path string) (string, error) {
	return peFileVersion(path)
}
