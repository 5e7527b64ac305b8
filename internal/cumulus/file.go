package cumulus

import (
	"encoding/json"
	"path"
	"strings"
)

// File is the canonical granule file shape.
type File struct {
	Bucket       string `json:"bucket,omitempty"`
	Key          string `json:"key,omitempty"`
	FileName     string `json:"fileName,omitempty"`
	ChecksumType string `json:"checksumType,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Source       string `json:"source,omitempty"`
	Type         string `json:"type,omitempty"`
}

// legacyFile is the pre-migration file shape, where the location lived in
// an s3:// URL and sizes and checksums used different field names.
type legacyFile struct {
	Filename      string `json:"filename"`
	Name          string `json:"name"`
	Path          string `json:"path"`
	FileSize      int64  `json:"fileSize"`
	ChecksumValue string `json:"checksumValue"`
	ChecksumType  string `json:"checksumType"`
	Checksum      string `json:"checksum"`
	Bucket        string `json:"bucket"`
	Key           string `json:"key"`
	FileName      string `json:"fileName"`
	Size          int64  `json:"size"`
	Source        string `json:"source"`
	Type          string `json:"type"`
}

type fileShape int

const (
	fileShapeCanonical fileShape = iota
	fileShapeLegacy
)

func detectFileShape(raw map[string]json.RawMessage) fileShape {
	for _, field := range []string{"filename", "name", "path", "fileSize", "checksumValue"} {
		if _, ok := raw[field]; ok {
			return fileShapeLegacy
		}
	}
	return fileShapeCanonical
}

func (f *File) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var legacy legacyFile
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	switch detectFileShape(raw) {
	case fileShapeLegacy:
		*f = upgradeLegacyFile(legacy)
	default:
		*f = File{
			Bucket:       legacy.Bucket,
			Key:          legacy.Key,
			FileName:     legacy.FileName,
			ChecksumType: legacy.ChecksumType,
			Checksum:     legacy.Checksum,
			Size:         legacy.Size,
			Source:       legacy.Source,
			Type:         legacy.Type,
		}
	}
	return nil
}

// upgradeLegacyFile maps the old shape onto the canonical one. Canonical
// fields win over their legacy counterparts when both are present.
func upgradeLegacyFile(l legacyFile) File {
	out := File{
		Bucket:       l.Bucket,
		Key:          l.Key,
		FileName:     l.FileName,
		ChecksumType: l.ChecksumType,
		Checksum:     l.Checksum,
		Size:         l.Size,
		Source:       l.Source,
		Type:         l.Type,
	}
	if (out.Bucket == "" || out.Key == "") && l.Filename != "" {
		if bucket, key, ok := ParseS3URL(l.Filename); ok {
			if out.Bucket == "" {
				out.Bucket = bucket
			}
			if out.Key == "" {
				out.Key = key
			}
		}
	}
	if out.FileName == "" {
		out.FileName = l.Name
	}
	if out.FileName == "" && out.Key != "" {
		out.FileName = path.Base(out.Key)
	}
	if out.Key == "" && out.FileName != "" && l.Path != "" {
		out.Key = strings.TrimSuffix(l.Path, "/") + "/" + out.FileName
	}
	if out.Size == 0 {
		out.Size = l.FileSize
	}
	if out.Checksum == "" {
		out.Checksum = l.ChecksumValue
	}
	return out
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(u string) (bucket, key string, ok bool) {
	const scheme = "s3://"
	if !strings.HasPrefix(u, scheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(u, scheme)
	idx := strings.Index(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// S3URL is the inverse of ParseS3URL.
func (f File) S3URL() string {
	return "s3://" + f.Bucket + "/" + f.Key
}

// Name returns the file name, falling back to the key's base name.
func (f File) Name() string {
	if f.FileName != "" {
		return f.FileName
	}
	if f.Key != "" {
		return path.Base(f.Key)
	}
	return ""
}
