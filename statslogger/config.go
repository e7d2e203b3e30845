// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package statslogger

import (
	"runtime"
	"time"

	"github.com/NVIDIA/glockmgr/conf"
	"github.com/NVIDIA/glockmgr/glock"
	"github.com/NVIDIA/glockmgr/logger"
	"github.com/NVIDIA/glockmgr/platform"
	"github.com/NVIDIA/glockmgr/transitions"
)

type globalsStruct struct {
	collectChan    <-chan time.Time // time to sample glock counts
	logChan        <-chan time.Time // time to log statistics
	stopChan       chan bool        // time to shutdown and go home
	doneChan       chan bool        // shutdown complete
	statsLogPeriod time.Duration    // time between statistics logging
	collectTicker  *time.Ticker     // ticker for collectChan (if any)
	logTicker      *time.Ticker     // ticker for logChan (if any)
}

var globals globalsStruct

func init() {
	transitions.Register("statslogger", &globals)
}

func parseConfMap(confMap conf.ConfMap) (err error) {

	globals.statsLogPeriod, err = confMap.FetchOptionValueDuration("StatsLogger", "Period")
	if err != nil {
		logger.Warnf("config variable 'StatsLogger.Period' defaulting to '10m': %v", err)
		globals.statsLogPeriod = time.Duration(10 * time.Minute)
	}

	// statsLogPeriod must be >= 1 sec, except 0 means disabled
	if globals.statsLogPeriod < time.Second && globals.statsLogPeriod != 0 {
		logger.Warnf("config variable 'StatsLogger.Period' value is non-zero and less than 1 sec; defaulting to '10m'")
		globals.statsLogPeriod = time.Duration(10 * time.Minute)
	}

	err = nil
	return
}

// Up initializes the package and must successfully return before any API
// functions are invoked
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {

	err = parseConfMap(confMap)
	if err != nil {
		// parseConfMap() has logged an error
		return
	}

	if globals.statsLogPeriod == 0 {
		return
	}

	logger.Infof("RAM: %d Kibyte physical memory detected", platform.MemSize()/1024)

	// sample per-lock-space glock counts once per second
	globals.collectTicker = time.NewTicker(1 * time.Second)
	globals.collectChan = globals.collectTicker.C

	// record statistics in the log periodically
	globals.logTicker = time.NewTicker(globals.statsLogPeriod)
	globals.logChan = globals.logTicker.C

	globals.stopChan = make(chan bool)
	globals.doneChan = make(chan bool)

	go statsLogger()
	return
}

func (dummy *globalsStruct) LockSpaceCreated(confMap conf.ConfMap, lockSpaceName string, backendName string, nodeID string) (err error) {
	return nil
}
func (dummy *globalsStruct) LockSpaceDestroyed(confMap conf.ConfMap, lockSpaceName string) (err error) {
	return nil
}
func (dummy *globalsStruct) ServeLockSpace(confMap conf.ConfMap, lockSpaceName string) (err error) {
	return nil
}
func (dummy *globalsStruct) UnserveLockSpace(confMap conf.ConfMap, lockSpaceName string) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

// SignaledFinish applies any changes from the supplied confMap; if the log
// period changed the old logger is shut down before a new one is started
func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {

	oldLogPeriod := globals.statsLogPeriod
	err = parseConfMap(confMap)
	if err != nil {
		logger.ErrorWithError(err, "cannot parse confMap")
		if oldLogPeriod != 0 {
			globals.stopChan <- true
			_ = <-globals.doneChan
		}
		return
	}

	// if no change required, just return
	if globals.statsLogPeriod == oldLogPeriod {
		return
	}

	logger.Infof("statslogger log period changing from %d sec to %d sec",
		oldLogPeriod/time.Second, globals.statsLogPeriod/time.Second)
	// shutdown the old logger (if any) and start a new one (if any)
	if oldLogPeriod != 0 {
		globals.stopChan <- true
		_ = <-globals.doneChan
	}

	err = dummy.Up(confMap)
	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	// shutdown the stats logger (if any)
	logger.Infof("statslogger.Down() called")
	if globals.statsLogPeriod != 0 {
		globals.stopChan <- true
		_ = <-globals.doneChan
	}

	// err is already nil
	return
}

// totalGlockCount sums the live glock count across all mounted lock spaces.
func totalGlockCount() (count int64) {
	for _, lockSpaceName := range glock.ListLockSpaces() {
		ls, err := glock.LookupLockSpace(lockSpaceName)
		if err != nil {
			// unmounted since we listed it
			continue
		}
		count += int64(ls.GlockCount())
	}
	return
}

// the statsLogger samples the glock registry every collectChan tick and then
// logs a batch of statistics, including registry size statistics, every
// logChan tick ("StatsLogger.Period" in the conf file).
func statsLogger() {
	var (
		glockCountStats SimpleStats
		oldMemStats     runtime.MemStats
		newMemStats     runtime.MemStats
	)

	glockCountStats.Clear()
	glockCountStats.Sample(totalGlockCount())

	// memstats "stops the world"
	runtime.ReadMemStats(&oldMemStats)

	// print an initial round of absolute stats
	logStats("total", &glockCountStats, &oldMemStats)

mainloop:
	for stopRequest := false; !stopRequest; {
		select {
		case <-globals.stopChan:
			// print final stats and then exit
			stopRequest = true

		case <-globals.collectChan:
			glockCountStats.Sample(totalGlockCount())
			continue mainloop

		case <-globals.logChan:
			// fall through to do the logging
		}

		runtime.ReadMemStats(&newMemStats)

		// collect an extra registry sample to ensure we have at least one
		glockCountStats.Sample(totalGlockCount())

		// print absolute stats and then deltas
		logStats("total", &glockCountStats, &newMemStats)

		oldMemStats.Sys = newMemStats.Sys - oldMemStats.Sys
		oldMemStats.TotalAlloc = newMemStats.TotalAlloc - oldMemStats.TotalAlloc
		oldMemStats.HeapInuse = newMemStats.HeapInuse - oldMemStats.HeapInuse
		oldMemStats.HeapIdle = newMemStats.HeapIdle - oldMemStats.HeapIdle
		oldMemStats.HeapReleased = newMemStats.HeapReleased - oldMemStats.HeapReleased
		oldMemStats.StackSys = newMemStats.StackSys - oldMemStats.StackSys
		oldMemStats.MSpanSys = newMemStats.MSpanSys - oldMemStats.MSpanSys
		oldMemStats.MCacheSys = newMemStats.MCacheSys - oldMemStats.MCacheSys
		oldMemStats.BuckHashSys = newMemStats.BuckHashSys - oldMemStats.BuckHashSys
		oldMemStats.GCSys = newMemStats.GCSys - oldMemStats.GCSys
		oldMemStats.OtherSys = newMemStats.OtherSys - oldMemStats.OtherSys

		oldMemStats.NextGC = newMemStats.NextGC - oldMemStats.NextGC
		oldMemStats.NumGC = newMemStats.NumGC - oldMemStats.NumGC
		oldMemStats.NumForcedGC = newMemStats.NumForcedGC - oldMemStats.NumForcedGC
		oldMemStats.PauseTotalNs = newMemStats.PauseTotalNs - oldMemStats.PauseTotalNs
		oldMemStats.GCCPUFraction = newMemStats.GCCPUFraction - oldMemStats.GCCPUFraction

		logStats("delta", nil, &oldMemStats)

		oldMemStats = newMemStats

		// clear the registry stats
		glockCountStats.Clear()
	}

	globals.doneChan <- true
	return
}

// Write interesting statistics to the log in a semi-human readable format
//
// statsType is "total" or "delta" indicating whether memStats is absolute or
// relative to the previous sample (doesn't apply to glockCountStats, though
// it can be nil).
func logStats(statsType string, glockCountStats *SimpleStats, memStats *runtime.MemStats) {

	// if we have registry statistics, log them
	if glockCountStats != nil {
		logger.Infof("LiveGlocks: min=%d mean=%d max=%d samples=%d",
			glockCountStats.Min(), glockCountStats.Mean(), glockCountStats.Max(),
			glockCountStats.Samples())
	}

	// memory allocation info (see runtime.MemStats for definitions)
	logger.Infof("Memory in Kibyte (%s): Sys=%d StackSys=%d MSpanSys=%d MCacheSys=%d BuckHashSys=%d GCSys=%d OtherSys=%d",
		statsType,
		int64(memStats.Sys)/1024, int64(memStats.StackSys)/1024,
		int64(memStats.MSpanSys)/1024, int64(memStats.MCacheSys)/1024,
		int64(memStats.BuckHashSys)/1024, int64(memStats.GCSys)/1024, int64(memStats.OtherSys)/1024)
	logger.Infof("Memory in Kibyte (%s): HeapInuse=%d HeapIdle=%d HeapReleased=%d Cumulative TotalAlloc=%d",
		statsType,
		int64(memStats.HeapInuse)/1024, int64(memStats.HeapIdle)/1024,
		int64(memStats.HeapReleased)/1024, int64(memStats.TotalAlloc)/1024)
	logger.Infof("GC Stats (%s): NumGC=%d  NumForcedGC=%d  NextGC=%d KiB  PauseTotalMsec=%d  GC_CPU=%4.2f%%",
		statsType,
		memStats.NumGC, memStats.NumForcedGC, int64(memStats.NextGC)/1024,
		memStats.PauseTotalNs/1000000, memStats.GCCPUFraction*100)
}
