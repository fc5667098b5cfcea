package pack

import "strings"

// Kind distinguishes the two pack families: data packs hold revision
// payloads, history packs hold revision metadata.
type Kind uint8

const (
	KindData Kind = iota
	KindHistory
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindHistory:
		return "history"
	default:
		return "unknown"
	}
}

// PackSuffix returns the file suffix of pack files of this kind.
func (k Kind) PackSuffix() string {
	if k == KindHistory {
		return ".histpack"
	}
	return ".datapack"
}

// IndexSuffix returns the file suffix of index files of this kind.
func (k Kind) IndexSuffix() string {
	if k == KindHistory {
		return ".histidx"
	}
	return ".dataidx"
}

// IndexPathFor maps a pack file path to its index file path.
func IndexPathFor(packPath string) string {
	for _, k := range []Kind{KindData, KindHistory} {
		if strings.HasSuffix(packPath, k.PackSuffix()) {
			return strings.TrimSuffix(packPath, k.PackSuffix()) + k.IndexSuffix()
		}
	}
	return packPath + ".idx"
}

// KindOfFile reports the kind a pack file name belongs to.
func KindOfFile(name string) (Kind, bool) {
	switch {
	case strings.HasSuffix(name, KindData.PackSuffix()):
		return KindData, true
	case strings.HasSuffix(name, KindHistory.PackSuffix()):
		return KindHistory, true
	default:
		return 0, false
	}
}
