package evidence

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/util"
)

// Fingerprint identifies an item's content independent of when or by which
// attempt it was collected. Two items with the same type, normalized source
// and processed text share a fingerprint.
func Fingerprint(it *models.EvidenceItem) string {
	src := it.Source.URL
	if n, err := NormalizeURL(src); err == nil && src != "" {
		src = n
	}
	h, _ := blake2b.New256(nil)
	for _, part := range []string{
		string(it.Type),
		src,
		it.Source.API,
		it.Category,
		strings.ToLower(util.CollapseWhitespace(it.Content.Text())),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
