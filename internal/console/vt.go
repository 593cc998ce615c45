package console

// Console ioctls and structures from <linux/vt.h> and <linux/kd.h>.
const (
	vtOpenQry     = 0x5600
	vtGetMode     = 0x5601
	vtSetMode     = 0x5602
	vtGetState    = 0x5603
	vtRelDisp     = 0x5605
	vtActivate    = 0x5606
	vtWaitActive  = 0x5607
	vtDisallocate = 0x5608

	vtAuto    = 0
	vtProcess = 1
	vtAckAcq  = 2

	kdSetMode  = 0x4B3A
	kdText     = 0
	kdGraphics = 1
)

// vtMode is struct vt_mode.
type vtMode struct {
	Mode   int8
	Waitv  int8
	Relsig int16
	Acqsig int16
	Frsig  int16
}

// vtState is struct vt_stat.
type vtState struct {
	Active uint16
	Signal uint16
	State  uint16
}
