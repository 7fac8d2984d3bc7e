/**
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package config

import (
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/mkuyper/nanoloader/flash"
	"github.com/mkuyper/nanoloader/util"
)

// Config carries the device geometry and policy knobs of the bootloader.
// On real hardware these are link-time constants; the simulator loads them
// from a YAML file.
type Config struct {
	FlashSize  int `mapstructure:"flash_size"`
	SectorSize int `mapstructure:"sector_size"`

	RecordCopies int `mapstructure:"record_copies"`
	PageSize     int `mapstructure:"page_size"`

	TrialMax    uint8 `mapstructure:"trial_max"`
	AutoConfirm bool  `mapstructure:"auto_confirm"`

	Window        int `mapstructure:"reorder_window"`
	RecvTimeoutMs int `mapstructure:"recv_timeout_ms"`
}

func Default() Config {
	return Config{
		FlashSize:     256 * 1024,
		SectorSize:    1024,
		RecordCopies:  2,
		PageSize:      256,
		TrialMax:      3,
		AutoConfirm:   false,
		Window:        4,
		RecvTimeoutMs: 5000,
	}
}

// Load reads a config file, filling unset keys from Default.
func Load(path string) (Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("flash_size", def.FlashSize)
	v.SetDefault("sector_size", def.SectorSize)
	v.SetDefault("record_copies", def.RecordCopies)
	v.SetDefault("page_size", def.PageSize)
	v.SetDefault("trial_max", def.TrialMax)
	v.SetDefault("auto_confirm", def.AutoConfirm)
	v.SetDefault("reorder_window", def.Window)
	v.SetDefault("recv_timeout_ms", def.RecvTimeoutMs)

	if err := v.ReadInConfig(); err != nil {
		return def, util.FmtChildBootError(err, "cannot read config %s: %s",
			path, err.Error())
	}

	cfg := Config{
		FlashSize:     cast.ToInt(v.Get("flash_size")),
		SectorSize:    cast.ToInt(v.Get("sector_size")),
		RecordCopies:  cast.ToInt(v.Get("record_copies")),
		PageSize:      cast.ToInt(v.Get("page_size")),
		TrialMax:      cast.ToUint8(v.Get("trial_max")),
		AutoConfirm:   cast.ToBool(v.Get("auto_confirm")),
		Window:        cast.ToInt(v.Get("reorder_window")),
		RecvTimeoutMs: cast.ToInt(v.Get("recv_timeout_ms")),
	}

	if err := cfg.Check(); err != nil {
		return def, err
	}
	return cfg, nil
}

func (c Config) Check() error {
	if c.SectorSize <= 0 || c.FlashSize%c.SectorSize != 0 {
		return util.FmtBootError(
			"flash size 0x%x not a multiple of sector size 0x%x",
			c.FlashSize, c.SectorSize)
	}
	if c.RecordCopies < 2 {
		return util.FmtBootError("record_copies is %d; need at least 2",
			c.RecordCopies)
	}
	if c.TrialMax == 0 {
		return util.NewBootError("trial_max must be at least 1")
	}
	if c.Window < 1 {
		return util.NewBootError("reorder_window must be at least 1")
	}
	return nil
}

// Layout carves the device into the boot record reservation and two equal
// image slots, all sector aligned.
func (c Config) Layout() (flash.Area, []flash.Area, error) {
	if err := c.Check(); err != nil {
		return flash.Area{}, nil, err
	}

	recSize := c.RecordCopies * c.SectorSize
	slotSize := (c.FlashSize - recSize) / 2
	slotSize -= slotSize % c.SectorSize

	if slotSize < c.SectorSize {
		return flash.Area{}, nil, util.FmtBootError(
			"flash size 0x%x leaves no room for image slots", c.FlashSize)
	}

	recArea := flash.Area{
		Name:   flash.AREA_NAME_BOOT_RECORD,
		Id:     -1,
		Offset: 0,
		Size:   recSize,
	}
	slots := []flash.Area{
		{
			Name:   flash.AREA_NAME_SLOT_0,
			Id:     0,
			Offset: recSize,
			Size:   slotSize,
		},
		{
			Name:   flash.AREA_NAME_SLOT_1,
			Id:     1,
			Offset: recSize + slotSize,
			Size:   slotSize,
		},
	}

	return recArea, slots, nil
}
