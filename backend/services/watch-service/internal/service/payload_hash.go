package service

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"chargewatch/backend/services/watch-service/internal/models"
)

const nullField = "~"

// HashPortData returns the deterministic digest used for snapshot dedup. Ports are hashed in
// port-number order; numbers are rendered with fixed precision so 22, 22.0 and 22.0000 agree,
// and a missing number is distinct from zero. Source and observation time are not part of
// the digest.
func HashPortData(data models.PortData) string {
	ports := append([]models.Port(nil), data.Ports...)
	sort.Slice(ports, func(i, j int) bool { return ports[i].Number < ports[j].Number })

	var b strings.Builder
	for _, p := range ports {
		b.WriteString("p")
		b.WriteString(strconv.Itoa(p.Number))
		b.WriteString("|")
		b.WriteString(string(p.Status))
		b.WriteString("|")
		b.WriteString(formatNumber(p.PowerKW))
		b.WriteString("|")
		b.WriteString(formatNumber(p.PriceKWh))
		b.WriteString(";")
	}
	b.WriteString("o=")
	b.WriteString(strings.ToUpper(strings.TrimSpace(data.OverallStatus)))
	b.WriteString("|e=")
	b.WriteString(strconv.FormatBool(data.EmergencyStop))
	b.WriteString("|s=")
	b.WriteString(string(data.SituationCode))

	sum := xxh3.HashString128(b.String())
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo)
}

func formatNumber(v *float64) string {
	if v == nil || math.IsNaN(*v) {
		return nullField
	}
	rounded := math.Round(*v*10000) / 10000
	if rounded == 0 {
		rounded = 0 // folds -0
	}
	return strconv.FormatFloat(rounded, 'f', 4, 64)
}
