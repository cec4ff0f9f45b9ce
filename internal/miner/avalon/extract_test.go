package avalon

import (
	"testing"

	"github.com/stretchr/testify/require"

	"axefleet/internal/miner"
)

const cannedVersion = `{"STATUS":[{"STATUS":"S","Msg":"CGMiner versions"}],` +
	`"VERSION":[{"CGMiner":"4.11.1","API":"3.7","PROD":"AvalonMiner 1126Pro-S","MODEL":"1126Pro-S",` +
	`"HWTYPE":"MM3v2_X3","SWTYPE":"MM314","VERSION":"21042001_50ca8cd_0cdd8f6","DNA":"0137daCE43A8B772","MAC":"b4a2eb31e19c"}],"id":1}`

const cannedSummary = `{"STATUS":[{"STATUS":"S"}],` +
	`"SUMMARY":[{"Elapsed":348243,"GHS 5s":"37250.21","GHS av":36858.11,"Accepted":68544,"Rejected":122}],"id":1}`

const cannedPools = `{"STATUS":[{"STATUS":"S"}],` +
	`"POOLS":[{"POOL":0,"URL":"stratum+tcp://dead.pool:3333","Status":"Dead","User":"ignored"},` +
	`{"POOL":1,"URL":"stratum+tcp://btc.pool.example:3333","Status":"Alive","User":"wallet.worker1"}],"id":1}`

const cannedEStats = `{"STATUS":[{"STATUS":"S"}],` +
	`"STATS":[{"STATS":0,"ID":"AVA100","MM ID0":"Ver[1126Pro-21042001] DNA[0137dace43a8b772] Elapsed[348243] ` +
	`Fan1[2040] Fan2[2100] FanR[42%] Temp[31] TMax[78] TAvg[65] GHSmm[37250.21] GHSavg[36858.11] ` +
	`Freq[656.25] PS[0 1215 1292 3344 12560 1292] WORKMODE[1]"}],"id":1}`

func TestApplyVersion(t *testing.T) {
	var info miner.Info
	applyVersion(&info, cannedVersion)

	require.Equal(t, "AvalonMiner 1126Pro-S", info.Model)
	require.Equal(t, "21042001_50ca8cd_0cdd8f6", info.Firmware)
	require.Equal(t, "avalon-0137dace43a8b772", info.UniqueID)
	require.Equal(t, "B4A2EB31E19C", info.MAC)
}

func TestApplySummary(t *testing.T) {
	var info miner.Info
	applySummary(&info, cannedSummary)

	require.Equal(t, uint64(348243), info.UptimeS)
	require.InDelta(t, 37250.21, info.HashrateGHS, 0.01)
	require.Equal(t, uint64(68544), info.SharesAccepted)
	require.Equal(t, uint64(122), info.SharesRejected)
}

func TestApplySummaryMHSFallback(t *testing.T) {
	raw := `{"SUMMARY":[{"MHS av":36858110.0}]}`
	var info miner.Info
	applySummary(&info, raw)
	require.InDelta(t, 36858.11, info.HashrateGHS, 0.01)
}

func TestApplyPoolsPicksAlive(t *testing.T) {
	var info miner.Info
	applyPools(&info, cannedPools)

	require.Equal(t, "stratum+tcp://btc.pool.example:3333", info.PoolURL)
	require.Equal(t, "wallet.worker1", info.PoolUser)
}

func TestApplyEStats(t *testing.T) {
	var info miner.Info
	applyEStats(&info, cannedEStats)

	require.InDelta(t, 78.0, info.TempC, 0.01, "TMax wins over Temp")
	require.Equal(t, 2040, info.FanRPM)
	require.InDelta(t, 37250.21, info.HashrateGHS, 0.01)
	require.InDelta(t, 3344.0, info.PowerW, 0.01, "4th PS field is watts")
	require.InDelta(t, 656.25, info.FrequencyMHz, 0.01)
	require.Equal(t, "avalon-0137dace43a8b772", info.UniqueID)
}

func TestApplyEStatsDoesNotOverwrite(t *testing.T) {
	info := miner.Info{HashrateGHS: 100, TempC: 40}
	applyEStats(&info, cannedEStats)
	require.InDelta(t, 100.0, info.HashrateGHS, 0.01)
	require.InDelta(t, 40.0, info.TempC, 0.01)
}

func TestParseMM(t *testing.T) {
	fields := parseMM("Ver[abc] Temp[31] PS[0 1215 1292 3344]")
	require.Equal(t, "abc", fields["Ver"])
	require.Equal(t, "31", fields["Temp"])
	require.Equal(t, "0 1215 1292 3344", fields["PS"])
}

func TestPSWatts(t *testing.T) {
	require.InDelta(t, 3344.0, psWatts("0 1215 1292 3344 12560 1292"), 0.01)
	require.Zero(t, psWatts("0 1215"))
	require.Zero(t, psWatts(""))
}

func TestSanitize(t *testing.T) {
	require.Equal(t, `{"a":1}`, Sanitize("{\"a\":1}\x00"))
	require.Equal(t, `{"a":1}`, Sanitize("  {\"a\":1}\x00\x00 "))
}

func TestSyntheticID(t *testing.T) {
	require.Equal(t, "avalon-miner42", SyntheticID(" Miner42 ", "10.0.0.9"))
	require.Equal(t, "avalon-10.0.0.9", SyntheticID("", "10.0.0.9"))
}

func TestSectionsTolerant(t *testing.T) {
	require.Nil(t, sections("not json", "VERSION"))
	require.Nil(t, sections(`{"VERSION":"wrong shape"}`, "VERSION"))
	require.Len(t, sections(cannedVersion, "VERSION"), 1)
}
