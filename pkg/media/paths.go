package media

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	originalDir = "original"
	thumbsDir   = "thumbs"
)

// StorageKey derives a permanent object key for an attachment:
// {owner}/{chat}/original/{uuid}{.ext}. Every call yields a fresh key.
func StorageKey(ownerID, chatID, originalFilename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(originalFilename)))
	return path.Join(ownerID, chatID, originalDir, uuid.NewString()+ext)
}

// ThumbKey derives the thumbnail key for a storage key:
// {owner}/{chat}/thumbs/thumb_{stem}.jpg.
func ThumbKey(storageKey string) string {
	dir := path.Dir(storageKey)
	if path.Base(dir) == originalDir {
		dir = path.Dir(dir)
	}
	base := path.Base(storageKey)
	stem := strings.TrimSuffix(base, path.Ext(base))
	return path.Join(dir, thumbsDir, "thumb_"+stem+".jpg")
}
