package tailer

import (
	"os"
	"syscall"
)

// getInode extracts inode from FileInfo
func getInode(fi os.FileInfo) uint64 {
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(stat.Ino)
	}
	return 0
}

// statInode returns the inode and size of the file currently at path
func statInode(path string) (inode uint64, size int64, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	return getInode(fi), fi.Size(), nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// InodeOf returns the inode of the file currently at path
func InodeOf(path string) (uint64, error) {
	inode, _, err := statInode(path)
	return inode, err
}

// InodeOfInfo returns the inode recorded in fi
func InodeOfInfo(fi os.FileInfo) uint64 {
	return getInode(fi)
}
