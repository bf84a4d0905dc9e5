package coordinator

import (
	"github.com/jaapp/ha-marstek/pkg/types"
)

// ComputeAggregates derives the system-wide values from every device
// snapshot. Empty snapshots are skipped and missing values count as zero.
func ComputeAggregates(devices map[string]types.Snapshot) types.Aggregates {
	var (
		agg      types.Aggregates
		socSum   float64
		charging int
		dischrg  int
		idle     int
	)
	for _, s := range devices {
		if s.Empty() {
			continue
		}
		agg.DeviceCount++

		power := value(s, types.SubsystemES, "bat_power")
		agg.TotalBatteryPower += power
		switch {
		case power > 0:
			agg.TotalPowerIn += power
			charging++
		case power < 0:
			agg.TotalPowerOut += -power
			dischrg++
		default:
			idle++
		}

		rated := value(s, types.SubsystemBattery, "rated_capacity")
		agg.TotalRatedCapacity += rated
		agg.TotalRemainingCapacity += value(s, types.SubsystemBattery, "bat_capacity")
		socSum += deviceSOC(s) * rated

		solar, ok := s.Float(types.SubsystemES, "pv_power")
		if !ok {
			solar, _ = s.Float(types.SubsystemPV, "pv_power")
		}
		agg.TotalSolarPower += solar
		agg.TotalPVEnergy += value(s, types.SubsystemES, "total_pv_energy")
		agg.TotalGridPower += value(s, types.SubsystemES, "ongrid_power")
		agg.TotalGridImport += value(s, types.SubsystemES, "total_grid_input_energy")
		agg.TotalGridExport += value(s, types.SubsystemES, "total_grid_output_energy")
		agg.TotalLoadEnergy += value(s, types.SubsystemES, "total_load_energy")
		agg.TotalOffGridPower += value(s, types.SubsystemES, "offgrid_power")
	}

	if agg.TotalRatedCapacity > 0 {
		soc := socSum / agg.TotalRatedCapacity
		available := (100 - soc) * agg.TotalRatedCapacity / 100
		agg.AverageSOC = &soc
		agg.TotalAvailableCapacity = &available
	}
	agg.CombinedState = combinedState(charging, dischrg, idle)
	return agg
}

func combinedState(charging, discharging, idle int) string {
	switch {
	case charging+discharging+idle == 0:
		return types.StateUnknown
	case charging > 0 && discharging > 0:
		return types.StateConflicting
	case charging > 0 && idle == 0:
		return types.StateCharging
	case discharging > 0 && idle == 0:
		return types.StateDischarging
	case charging > 0:
		return types.StatePartlyCharging
	case discharging > 0:
		return types.StatePartlyDischarging
	default:
		return types.StateIdle
	}
}

func value(s types.Snapshot, subsystem, key string) float64 {
	v, _ := s.Float(subsystem, key)
	return v
}

// deviceSOC prefers the battery subsystem and falls back to the ES status.
func deviceSOC(s types.Snapshot) float64 {
	if v, ok := s.Float(types.SubsystemBattery, "soc"); ok {
		return v
	}
	return value(s, types.SubsystemES, "bat_soc")
}
