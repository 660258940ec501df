package config

import (
	"reflect"
	"sort"
	"strings"

	logx "gfxbot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. The telegram token is never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.ModeratorIDs, newCfg.Telegram.ModeratorIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.moderator_count", len(newCfg.Telegram.ModeratorIDs)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oM, nM := oldCfg.Monitor, newCfg.Monitor
	if oM.EffectiveTimezone() != nM.EffectiveTimezone() ||
		oM.EffectiveReminderHour() != nM.EffectiveReminderHour() ||
		oM.ReminderMinute != nM.ReminderMinute ||
		strings.TrimSpace(oM.ReminderTemplate) != strings.TrimSpace(nM.ReminderTemplate) ||
		oM.EffectiveSweep() != nM.EffectiveSweep() ||
		oM.EffectiveExpirySweep() != nM.EffectiveExpirySweep() ||
		oM.EffectiveReaction() != nM.EffectiveReaction() {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.String("monitor.timezone", nM.EffectiveTimezone()),
			logx.Int("monitor.reminder_hour", nM.EffectiveReminderHour()),
			logx.Int("monitor.reminder_minute", nM.ReminderMinute),
			logx.String("monitor.sweep", nM.EffectiveSweep()),
		)
	}

	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	oN, nN := oldCfg.Notifier, newCfg.Notifier
	if (oN == nil) != (nN == nil) || (oN != nil && nN != nil && *oN != *nN) {
		changed = append(changed, "notifier")
		if nN != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", nN.Enabled),
				logx.Int("notifier.workers", nN.Workers),
				logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			)
		} else {
			attrs = append(attrs, logx.Bool("notifier.present", false))
		}
	}

	oD, nD := oldCfg.Debug, newCfg.Debug
	if (oD == nil) != (nD == nil) || (oD != nil && nD != nil && *oD != *nD) {
		changed = append(changed, "debug")
		if nD != nil {
			attrs = append(attrs,
				logx.Bool("debug.enabled", nD.Enabled),
				logx.String("debug.addr", strings.TrimSpace(nD.Addr)),
			)
		} else {
			attrs = append(attrs, logx.Bool("debug.present", false))
		}
	}

	sort.Strings(changed)
	return changed, attrs
}
