package flasher

const defaultSectorSize = 512
