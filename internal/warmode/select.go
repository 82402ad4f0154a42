package warmode

import "tresd/internal/source"

// preferences orders candidate sources per level. Peacetime trusts GNSS;
// elevated diversifies toward LEO; tactical avoids GNSS entirely; critical
// uses only hardened references.
var preferences = map[Level][]source.Source{
	LevelPeacetime: {source.GNSSPrimary, source.GNSSSecondary},
	LevelElevated:  {source.GNSSPrimary, source.LEOPNT, source.GNSSSecondary},
	LevelTactical:  {source.LEOPNT, source.ELoran, source.CSAC, source.WhiteRabbit},
	LevelCritical:  {source.CSAC, source.Cesium, source.Rubidium, source.ELoran},
}

// Select picks the timing source for a level from the available set. The
// holdover level forces Holdover regardless of availability. Otherwise the
// level's preference list is tried in order; when none of it is available
// the highest-priority available source wins, and an empty set forces
// Holdover.
func Select(level Level, available []source.Source) source.Source {
	if level == LevelHoldover {
		return source.Holdover
	}
	if len(available) == 0 {
		return source.Holdover
	}

	avail := make(map[source.Source]bool, len(available))
	for _, s := range available {
		avail[s] = true
	}
	for _, s := range preferences[level] {
		if avail[s] {
			return s
		}
	}
	return source.ByPriority(available)[0]
}
