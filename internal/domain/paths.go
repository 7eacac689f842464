package domain

import "fmt"

// RawArtifactPath is the partitioned location of one station-year raw
// artifact, keyed by the upstream station ID rather than the mnemonic key
// so the layout matches what the upstream itself addresses.
func RawArtifactPath(rawRoot, stationID string, year int) string {
	return fmt.Sprintf("%s/station_id=%s/year=%04d/data.json", rawRoot, stationID, year)
}

// RefinedPartitionPath is the partitioned location of one monthly refined
// output, compressed with the columnar format's canonical extension.
func RefinedPartitionPath(refinedRoot, stationID string, year, month int, ext string) string {
	return fmt.Sprintf("%s/station_id=%s/year=%04d/month=%02d/data.%s", refinedRoot, stationID, year, month, ext)
}
