//go:build !metrics

package metrics

import "time"

func ObserveATR(string, float64)                          {}
func ObserveCycleLatency(string, time.Duration)           {}
func ObservePrice(string, float64)                        {}
func SetPositionLong(string, bool)                        {}
func IncTradesExecuted(string, string)                    {}
func IncRiskBlocks(string, string)                        {}
func SetKillSwitchActive(string, bool)                    {}
func IncSizingSkips(string)                               {}
func IncDataFetchFailures(string)                         {}
func IncOrderFailures(string, string)                     {}
func ObserveRealizedPnL(string, float64)                  {}
func IncSnapshotPersistFailures(string)                   {}
func ObserveSnapshotPersistLatency(string, time.Duration) {}
