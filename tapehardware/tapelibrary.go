package tapehardware

import (
	"fmt"
	"os/exec"

	"github.com/kbj/mtx"
	"github.com/pkg/errors"

	. "ltfs-xfer/utils"
)

// tape drive device info read from the config file
type TapeDriveDevice struct {
	Slot       int    `json:"slot" mapstructure:"slot"`
	Device     string `json:"Device" mapstructure:"device" validate:"required"`
	MountPoint string `json:"MountPoint" mapstructure:"mountpoint" validate:"required"`
}

type RealTapeLibrary struct {
	mtx        *mtx.Changer
	drives     []TapeDrive
	cartridges []TapeCartridge
	logger     *Logger
}

func NewRealTapeLibrary(libraryDevice string, tapeDevices map[int]*TapeDriveDevice, logger *Logger) (*RealTapeLibrary, error) {

	// create the drives
	rtl := RealTapeLibrary{logger: logger}

	// initialize mtx
	rtl.mtx = mtx.NewChanger(NewSpectraChanger(libraryDevice))

	// find cartridges in drives
	drives, err := rtl.mtx.Drives()
	if err != nil {
		return nil, errors.Wrap(err, "unable to get drive info")
	}
	// see if drives have cartridges in them
	for d, drive := range drives {
		info, ok := tapeDevices[d]
		if !ok {
			logger.Event("No device configured for drive ", d, ", skipping")
			continue
		}
		// if it then create a cartridge, assign it a home cell and put it on the cartridge list
		var cartridge *RealTapeCartridge
		if drive.Type == mtx.DataTransferSlot && drive.Vol != nil {
			slot, err := rtl.findFreeSlot()
			if err != nil {
				return nil, err
			}
			cartridge = NewRealTapeCartridge(slot, mtx.DataTransferSlot, drive.Vol.Serial)
			rtl.cartridges = append(rtl.cartridges, cartridge)
		}

		// create the drive, unmount it and then put it on list
		thisDrive := NewRealTapeDrive(d, drive.Num, cartridge, info, logger)
		thisDrive.Unmount()
		rtl.drives = append(rtl.drives, thisDrive)
	}

	// find cartridges in slots
	slots, err := rtl.mtx.Slots()
	if err != nil {
		return nil, errors.Wrap(err, "unable to get cartridge info")
	}
	for _, slot := range slots {
		if slot.Type == mtx.StorageSlot && slot.Vol != nil {
			rtl.cartridges = append(rtl.cartridges, NewRealTapeCartridge(slot.Num, slot.Type, slot.Vol.Serial))
		}
	}
	return &rtl, nil
}
func (rtl *RealTapeLibrary) Audit() ([]TapeDrive, []TapeCartridge) {
	return rtl.drives, rtl.cartridges
}
func (rtl *RealTapeLibrary) Load(cart1 TapeCartridge, drive1 TapeDrive) bool {
	// change to real cart and drives
	cart := cart1.(*RealTapeCartridge)
	drive := drive1.(*RealTapeDrive)

	// a cartridge already in the drive needs no move
	if current, ok := drive.GetCart(); ok && current.Name() == cart.Name() {
		return true
	}

	// get cart and drive slots and perform load
	if err := rtl.mtx.Load(cart.GetSlot(), drive.GetSlot()); err != nil {
		rtl.logger.Error("Unable to load ", cart.Name(), " into ", drive.Name(), ": ", err)
		return false
	}

	// update drive cartridge held
	drive.SetCart(cart)
	return true
}
func (rtl *RealTapeLibrary) Unload(drive1 TapeDrive) bool {
	// change to real cart and drives
	drive := drive1.(*RealTapeDrive)

	// get slot from cartridge in drive
	cart1, exists := drive.GetCart()
	if !exists {
		rtl.logger.Error("Unloading a drive without a cartridge: ", drive.Name())
		return false
	}
	cart := cart1.(*RealTapeCartridge)

	drive.Unmount()
	if err := rtl.mtx.Unload(cart.GetSlot(), drive.GetSlot()); err != nil {
		rtl.logger.Error("Unable to unload ", drive.Name(), ": ", err)
		return false
	}

	// set drive to no cartridge
	drive.ClearCart()
	return true
}

// find first free slot
func (rtl *RealTapeLibrary) findFreeSlot() (int, error) {
	slots, err := rtl.mtx.Slots()
	if err != nil {
		return 0, errors.Wrap(err, "unable to get cartridge info")
	}
	for _, s := range slots {
		if s.Vol == nil {
			return s.Num, nil
		}
	}
	return 0, errors.New("no slots available")
}

// **** REAL TAPE DRIVE ********
type RealTapeDrive struct {
	id        int
	slot      int
	driveInfo *TapeDriveDevice
	cartridge *RealTapeCartridge
	device    *LTFSDevice
	logger    *Logger
}

func NewRealTapeDrive(id, slot int, cartridge *RealTapeCartridge, info *TapeDriveDevice, logger *Logger) *RealTapeDrive {
	return &RealTapeDrive{
		id:        id,
		slot:      slot,
		driveInfo: info,
		cartridge: cartridge,
		logger:    logger,
	}
}
func (rtd *RealTapeDrive) GetSlot() int {
	return rtd.slot
}
func (rtd *RealTapeDrive) GetCart() (TapeCartridge, bool) {
	if rtd.cartridge == nil {
		return nil, false
	}
	return rtd.cartridge, true
}
func (rtd *RealTapeDrive) SetCart(cart *RealTapeCartridge) {
	rtd.cartridge = cart
}
func (rtd *RealTapeDrive) ClearCart() {
	rtd.cartridge = nil
}

// mounts the cartridge with ltfs and returns a device on the mount point
func (rtd *RealTapeDrive) Mount() (TapeDevice, error) {
	if rtd.device != nil {
		return rtd.device, nil
	}
	// unmount drive prior to doing mount, if it isn't mounted unmount will fail but no big deal
	rtd.Unmount()
	devname := fmt.Sprintf("devname=%s", rtd.driveInfo.Device)

	out, err := exec.Command("ltfs", "-o", devname, rtd.driveInfo.MountPoint).CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(err, "ltfs mount of %s failed: %s", rtd.driveInfo.Device, out)
	}
	device, err := NewLTFSDevice(rtd.driveInfo.MountPoint)
	if err != nil {
		return nil, err
	}
	rtd.device = device
	return device, nil
}

// umounts the mount point
func (rtd *RealTapeDrive) Unmount() {
	if rtd.device != nil {
		rtd.device.Close()
		rtd.device = nil
	}
	if _, err := exec.Command("umount", rtd.driveInfo.MountPoint).Output(); err != nil {
		rtd.logger.Debug("umount ", rtd.driveInfo.MountPoint, ": ", err)
	}
}
func (rtd *RealTapeDrive) Name() string {
	return fmt.Sprintf("Drive%d", rtd.id)
}

// **** REAL TAPE CARTRIDGE ********

type RealTapeCartridge struct {
	currentSlot int
	slotType    mtx.SlotType
	volser      string
}

func NewRealTapeCartridge(slot int, slotType mtx.SlotType, volser string) *RealTapeCartridge {
	return &RealTapeCartridge{
		currentSlot: slot,
		slotType:    slotType,
		volser:      volser,
	}
}
func (rtc RealTapeCartridge) Name() string {
	return rtc.volser
}
func (rtc *RealTapeCartridge) GetSlot() int {
	return rtc.currentSlot
}

// **** MTX PROVIDER  ********
type Changer struct {
	device string
}

func NewSpectraChanger(device string) *Changer {
	return &Changer{
		device: device,
	}
}
func (c *Changer) Do(args ...string) ([]byte, error) {
	if len(args) == 0 || len(args) > 3 {
		return nil, errors.Errorf("invalid number of mtx args: %d", len(args))
	}
	return exec.Command("mtx", append([]string{"-f", c.device}, args...)...).Output()
}
